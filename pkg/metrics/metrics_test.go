package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.impactsDecayed.Add(2)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["test_unit_impacts_decayed_total"], ShouldBeTrue)
			})
		})
	})
}

func TestRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording domain metrics", func() {
			before := testutil.ToFloat64(globalManager.impactsRecorded.WithLabelValues("economic", "high"))
			RecordImpact("economic", "high")
			RecordImpact("economic", "high")

			Convey("Then the counters advance", func() {
				after := testutil.ToFloat64(globalManager.impactsRecorded.WithLabelValues("economic", "high"))
				So(after-before, ShouldEqual, 2)
			})
		})

		Convey("When updating gauges", func() {
			UpdateOpenCrises(3)
			UpdateControlShiftRate(0.5)
			UpdateFatigueOverflowRate(0.25)

			Convey("Then the gauges hold the last value", func() {
				So(testutil.ToFloat64(globalManager.openCrises), ShouldEqual, 3)
				So(testutil.ToFloat64(globalManager.controlShiftRate), ShouldEqual, 0.5)
				So(testutil.ToFloat64(globalManager.fatigueOverflowRate), ShouldEqual, 0.25)
			})
		})

		Convey("When recording the rest of the surface", func() {
			So(func() {
				RecordImpactRejected("validation")
				RecordImpactDecayed(4)
				RecordImpactStatus("resolved")
				RecordCrisisTransition("active")
				RecordControlShift("accepted", "raid_victory")
				RecordOwnershipTransfer()
				RecordArbitrationLatency(0.002)
				RecordXPGain("normal")
				RecordJobSubmitted()
				RecordJobFinished("completed", 1.5)
				RecordUnitFailure()
				UpdateQueueSize(1)
				UpdateQueueCapacity(10)
				UpdateQueueUtilization(0.1)
				UpdateWorkerCount(4)
				RecordLockContention("city")
				UpdateAlertsActive(2)
				RecordHTTPRequest("/v1/impacts", "POST", "201", 0.01)
			}, ShouldNotPanic)
		})

		Convey("When gathering totals", func() {
			RecordUnitFailure()
			totals, err := Totals()

			Convey("Then counters are summed per family", func() {
				So(err, ShouldBeNil)
				So(totals["worldsim_core_recalc_unit_failures_total"], ShouldBeGreaterThanOrEqualTo, 1)
			})
		})
	})
}
