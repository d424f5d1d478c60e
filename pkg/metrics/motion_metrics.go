// Motion-kernel metrics definitions
//
// Defines all metrics for the motion controller including:
// - Stepper execution metrics
// - Limit/homing metrics
// - Spindle and sync metrics
// - Input pipeline metrics
// - System metrics
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"
)

// MotionMetrics holds all motion-controller metrics
type MotionMetrics struct {
	// Stepper execution metrics
	MachinePosition  *Gauge
	SegmentsExecuted *Counter
	SegmentRingDepth *Gauge
	StepRate         *Gauge
	AmassLevel       *Gauge

	// Limit and homing metrics
	LimitState     *Gauge
	HomingAttempts *Counter
	HomingTime     *Histogram
	HardLimitHits  *Counter
	SoftLimitHits  *Counter

	// Spindle metrics
	SpindleRPM       *Gauge
	SpindleTargetRPM *Gauge
	SpindlePWM       *Gauge
	SpindleAtSpeed   *Gauge
	EncoderSlips     *Counter
	SyncCorrection   *Histogram

	// Input pipeline metrics
	InputEdges        *Counter
	DebounceOverflows *Counter
	ControlEvents     *Counter

	// Alarm metrics
	AlarmsRaised *Counter
	MachineState *Gauge

	// System metrics
	HostUptime    *Counter
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	registry  *Registry
	startTime time.Time
}

// NewMotionMetrics creates and registers all motion metrics
func NewMotionMetrics() *MotionMetrics {
	mm := &MotionMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	// Stepper execution metrics
	mm.MachinePosition = NewGauge("motion_machine_position_steps",
		"Current machine position per axis in steps")
	mm.SegmentsExecuted = NewCounter("motion_segments_executed_total",
		"Total motion segments executed")
	mm.SegmentRingDepth = NewGauge("motion_segment_ring_depth",
		"Segments queued in the execution ring")
	mm.StepRate = NewGauge("motion_step_rate_hz",
		"Dominant axis step rate of the executing segment")
	mm.AmassLevel = NewGauge("motion_amass_level",
		"Step smoothing level of the executing segment")

	// Limit and homing metrics
	mm.LimitState = NewGauge("motion_limit_state",
		"Limit switch state per axis, 1 engaged")
	mm.HomingAttempts = NewCounter("motion_homing_attempts_total",
		"Homing cycles started, by outcome")
	mm.HomingTime = NewHistogram("motion_homing_seconds",
		"Homing cycle duration", DefaultBuckets())
	mm.HardLimitHits = NewCounter("motion_hard_limit_hits_total",
		"Hard limit faults raised")
	mm.SoftLimitHits = NewCounter("motion_soft_limit_hits_total",
		"Soft limit violations detected")

	// Spindle metrics
	mm.SpindleRPM = NewGauge("motion_spindle_rpm",
		"Measured spindle speed")
	mm.SpindleTargetRPM = NewGauge("motion_spindle_target_rpm",
		"Commanded spindle speed")
	mm.SpindlePWM = NewGauge("motion_spindle_pwm",
		"Spindle PWM duty value")
	mm.SpindleAtSpeed = NewGauge("motion_spindle_at_speed",
		"Whether measured RPM is inside the programmed tolerance band")
	mm.EncoderSlips = NewCounter("motion_encoder_slips_total",
		"Encoder pulse count mismatches at the index pulse")
	mm.SyncCorrection = NewHistogram("motion_sync_correction_mm",
		"Spindle sync position corrections applied per segment",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1})

	// Input pipeline metrics
	mm.InputEdges = NewCounter("motion_input_edges_total",
		"Raw input edges received, by group")
	mm.DebounceOverflows = NewCounter("motion_debounce_overflows_total",
		"Edges dispatched inline because the debounce queue was full")
	mm.ControlEvents = NewCounter("motion_control_events_total",
		"Control signal events, by signal")

	// Alarm metrics
	mm.AlarmsRaised = NewCounter("motion_alarms_total",
		"Alarms latched, by code")
	mm.MachineState = NewGauge("motion_machine_state",
		"Machine state as an enumerated value")

	// System metrics
	mm.HostUptime = NewCounter("motion_host_uptime_seconds",
		"Host uptime in seconds")
	mm.GoGoroutines = NewGauge("motion_go_goroutines",
		"Number of goroutines")
	mm.GoMemoryHeap = NewGauge("motion_go_memory_heap_bytes",
		"Heap memory in use")
	mm.GoMemoryAlloc = NewGauge("motion_go_memory_alloc_bytes",
		"Total memory allocated")
	mm.GoGCCycles = NewCounter("motion_go_gc_cycles_total",
		"Completed GC cycles")

	mm.registerAll()
	return mm
}

func (mm *MotionMetrics) registerAll() {
	metrics := []Metric{
		mm.MachinePosition, mm.SegmentsExecuted, mm.SegmentRingDepth,
		mm.StepRate, mm.AmassLevel,
		mm.LimitState, mm.HomingAttempts, mm.HomingTime,
		mm.HardLimitHits, mm.SoftLimitHits,
		mm.SpindleRPM, mm.SpindleTargetRPM, mm.SpindlePWM,
		mm.SpindleAtSpeed, mm.EncoderSlips, mm.SyncCorrection,
		mm.InputEdges, mm.DebounceOverflows, mm.ControlEvents,
		mm.AlarmsRaised, mm.MachineState,
		mm.HostUptime, mm.GoGoroutines, mm.GoMemoryHeap,
		mm.GoMemoryAlloc, mm.GoGCCycles,
	}
	for _, m := range metrics {
		mm.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (mm *MotionMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	mm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	mm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	mm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	mm.GoGCCycles.Add(nil, uint64(m.NumGC)-mm.GoGCCycles.Get(nil))
	mm.HostUptime.Add(nil, uint64(time.Since(mm.startTime).Seconds()))
}

// SetMachinePosition updates per-axis position gauges
func (mm *MotionMetrics) SetMachinePosition(axis string, steps int64) {
	mm.MachinePosition.Set(Labels{"axis": axis}, float64(steps))
}

// SetLimitState updates a per-axis limit gauge
func (mm *MotionMetrics) SetLimitState(axis string, engaged bool) {
	v := 0.0
	if engaged {
		v = 1
	}
	mm.LimitState.Set(Labels{"axis": axis}, v)
}

// RecordHoming records one homing cycle
func (mm *MotionMetrics) RecordHoming(outcome string, d time.Duration) {
	mm.HomingAttempts.Inc(Labels{"outcome": outcome})
	mm.HomingTime.Observe(nil, d.Seconds())
}

// SetSpindleStatus updates the spindle gauges
func (mm *MotionMetrics) SetSpindleStatus(rpm, target float64, pwm uint16, atSpeed bool) {
	mm.SpindleRPM.Set(nil, rpm)
	mm.SpindleTargetRPM.Set(nil, target)
	mm.SpindlePWM.Set(nil, float64(pwm))
	v := 0.0
	if atSpeed {
		v = 1
	}
	mm.SpindleAtSpeed.Set(nil, v)
}

// RecordAlarm counts a latched alarm by code
func (mm *MotionMetrics) RecordAlarm(code string) {
	mm.AlarmsRaised.Inc(Labels{"code": code})
}

// RecordInputEdge counts a raw edge by group
func (mm *MotionMetrics) RecordInputEdge(group string) {
	mm.InputEdges.Inc(Labels{"group": group})
}

// Gather returns all metrics in Prometheus text format
func (mm *MotionMetrics) Gather() string {
	return mm.registry.Gather()
}

// Registry returns the underlying registry
func (mm *MotionMetrics) Registry() *Registry {
	return mm.registry
}

var (
	globalMetrics     *MotionMetrics
	globalMetricsOnce sync.Once
)

// GlobalMetrics returns the process-wide metrics instance
func GlobalMetrics() *MotionMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewMotionMetrics()
	})
	return globalMetrics
}
