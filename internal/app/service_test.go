package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	service "github.com/okian/worldsim/internal/app"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc, err := service.New(context.Background())
		So(err, ShouldBeNil)
		defer svc.Stop()

		Convey("Then it serves the default topology", func() {
			So(svc.Topology().Regions(), ShouldResemble, []string{"northmarch", "southreach"})
			So(svc.Regions(), ShouldHaveLength, 2)
		})

		Convey("And it is not started", func() {
			So(svc.Started(), ShouldBeFalse)
		})
	})

	Convey("Given a configuration with an inconsistent topology", t, func() {
		cfg := config.New()
		cfg.Topology = topology.Spec{
			Factions: []string{"crown"},
			Regions:  []topology.Region{{ID: "r1", Cities: []string{"a"}, Owner: "ghosts"}},
		}
		_, err := service.New(context.Background(), service.WithConfig(cfg))

		Convey("Then construction fails", func() {
			So(errors.Is(err, service.ErrTopology), ShouldBeTrue)
		})
	})

	Convey("Given a store path in an unwritable location", t, func() {
		cfg := config.New()
		cfg.StorePath = "/nonexistent/dir/ledger.db"
		_, err := service.New(context.Background(), service.WithConfig(cfg))

		Convey("Then construction fails", func() {
			So(errors.Is(err, service.ErrStoreOpen), ShouldBeTrue)
		})
	})
}

func TestService_Start(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc, err := service.New(context.Background())
		So(err, ShouldBeNil)
		// Ensure service is stopped after test
		defer svc.Stop()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
			})

			Convey("And it should be marked as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["ledger_ok"], ShouldEqual, true)
			})

			Convey("And starting again is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})
	})
}

func TestService_Stop(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc, err := service.New(context.Background())
		So(err, ShouldBeNil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When stopping the service", func() {
			svc.Stop()

			Convey("Then it should be marked as stopped", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, false)
			})
		})
	})
}

func TestService_GetStats(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc, err := service.New(context.Background())
		So(err, ShouldBeNil)
		defer svc.Stop()

		Convey("When getting stats before starting", func() {
			stats := svc.GetStats()

			Convey("Then it should return basic stats", func() {
				So(stats, ShouldNotBeNil)
				So(stats["started"], ShouldEqual, false)
				So(stats["regions"], ShouldEqual, 2)
				So(stats["cities"], ShouldEqual, 3)
				So(stats["open_crises"], ShouldEqual, 0)
			})
		})
	})
}
