package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/adapters/http/api"
	service "github.com/okian/worldsim/internal/app"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/clock"
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

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (http.Handler, *service.Service, *clock.Manual) {
	t.Helper()
	cfg := config.New()
	cfg.WorkerCount = 2
	cfg.DecaySweepIntervalMS = 0
	cfg.CrisisTickIntervalMS = 0
	cfg.RecalcIntervalSeconds = 0
	cfg.MetricsRefreshIntervalSeconds = 0

	clk := clock.NewManual(t0)
	svc, err := service.New(context.Background(), service.WithConfig(cfg), service.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	return api.NewServer(svc, svc).Routes(ctx), svc, clk
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func criticalImpact(city string) map[string]any {
	return map[string]any{
		"city_id":           city,
		"source_faction_id": "rebels",
		"effect_type":       "security",
		"severity":          "critical",
		"magnitude":         -1,
	}
}

func TestServer_Register(t *testing.T) {
	Convey("Given an API server over a running service", t, func() {
		h, _, _ := newTestServer(t)

		Convey("Then the health endpoint exposes Prometheus metrics", func() {
			w := do(h, http.MethodGet, "/healthz", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "worldsim_")
		})

		Convey("Then the stats endpoint reports the service state", func() {
			w := do(h, http.MethodGet, "/stats", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decodeBody(w)
			So(body["started"], ShouldEqual, true)
			So(body["regions"], ShouldEqual, 2.0)
		})

		Convey("Then unknown routes answer 404", func() {
			w := do(h, http.MethodGet, "/v1/nothing", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestImpactRoutes(t *testing.T) {
	Convey("Given an API server", t, func() {
		h, _, _ := newTestServer(t)

		Convey("When an impact is recorded", func() {
			w := do(h, http.MethodPost, "/v1/impacts", criticalImpact("aldport"))
			So(w.Code, ShouldEqual, http.StatusCreated)
			id, _ := decodeBody(w)["effect_id"].(string)
			So(id, ShouldNotBeEmpty)

			Convey("Then it can be read back and listed for its city", func() {
				w := do(h, http.MethodGet, "/v1/impacts/"+id, nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["status"], ShouldEqual, "active")

				w = do(h, http.MethodGet, "/v1/cities/aldport/impacts", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				var list []map[string]any
				So(json.Unmarshal(w.Body.Bytes(), &list), ShouldBeNil)
				So(list, ShouldHaveLength, 1)
			})

			Convey("Then resolving it moves the record and appends to its audit trail", func() {
				w := do(h, http.MethodPost, "/v1/impacts/"+id+"/resolve", map[string]any{"actor": "gm"})
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["status"], ShouldEqual, "resolved")

				w = do(h, http.MethodGet, "/v1/impacts/"+id+"/audit", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				var trail []map[string]any
				So(json.Unmarshal(w.Body.Bytes(), &trail), ShouldBeNil)
				So(len(trail), ShouldBeGreaterThanOrEqualTo, 2)
			})

			Convey("Then archiving with an empty body is accepted", func() {
				w := do(h, http.MethodPost, "/v1/impacts/"+id+"/archive", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["status"], ShouldEqual, "archived")
			})
		})

		Convey("When the magnitude is out of range", func() {
			body := criticalImpact("aldport")
			body["magnitude"] = 3
			w := do(h, http.MethodPost, "/v1/impacts", body)

			Convey("Then the request is rejected as invalid", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(w)["code"], ShouldEqual, "validation_error")
			})
		})

		Convey("When the body carries unknown fields", func() {
			w := do(h, http.MethodPost, "/v1/impacts", `{"city_id":"aldport","bogus":1}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(w)["code"], ShouldEqual, "bad_request")
			})
		})

		Convey("When an unknown impact is requested", func() {
			w := do(h, http.MethodGet, "/v1/impacts/00000000-0000-0000-0000-000000000000", nil)

			Convey("Then it is not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(decodeBody(w)["code"], ShouldEqual, "not_found")
			})
		})
	})
}

func TestCrisisAndControlRoutes(t *testing.T) {
	Convey("Given a city under critical pressure", t, func() {
		h, _, _ := newTestServer(t)
		for range 2 {
			So(do(h, http.MethodPost, "/v1/impacts", criticalImpact("aldport")).Code, ShouldEqual, http.StatusCreated)
		}

		Convey("Then the open crisis is visible", func() {
			w := do(h, http.MethodGet, "/v1/cities/aldport/crisis", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["status"], ShouldEqual, "active")
		})

		Convey("Then an incomplete mitigation plan is rejected", func() {
			w := do(h, http.MethodPost, "/v1/cities/aldport/crisis/mitigation", map[string]any{"title": "curfew"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Then a complete mitigation plan moves the crisis to mitigated", func() {
			w := do(h, http.MethodPost, "/v1/cities/aldport/crisis/mitigation", map[string]any{
				"title":        "curfew",
				"actions":      []string{"close the gates"},
				"submitted_by": "gm",
			})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["status"], ShouldEqual, "mitigated")
		})

		Convey("Then a forced resolution closes it", func() {
			w := do(h, http.MethodPost, "/v1/cities/aldport/crisis/resolve", map[string]any{"actor": "gm", "reason": "storyline"})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["status"], ShouldEqual, "resolved")

			w = do(h, http.MethodGet, "/v1/cities/aldport/crisis", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then a story event shifts control without evidence", func() {
			w := do(h, http.MethodPost, "/v1/control-shifts", map[string]any{
				"region_id":         "northmarch",
				"proposed_owner_id": "rebels",
				"trigger":           "story_event",
				"score_delta":       5,
			})
			So(w.Code, ShouldEqual, http.StatusOK)

			w = do(h, http.MethodGet, "/v1/regions/northmarch/control?faction=rebels", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["control_score"], ShouldEqual, 15.0)
		})

		Convey("Then a leader death without evidence is unprocessable", func() {
			w := do(h, http.MethodPost, "/v1/control-shifts", map[string]any{
				"region_id":         "northmarch",
				"proposed_owner_id": "rebels",
				"trigger":           "leader_death",
				"score_delta":       5,
			})
			So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(decodeBody(w)["code"], ShouldEqual, "insufficient_evidence")
		})

		Convey("Then every region is listed", func() {
			w := do(h, http.MethodGet, "/v1/regions", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var regions []map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &regions), ShouldBeNil)
			So(regions, ShouldHaveLength, 2)
		})
	})
}

func TestFatigueRecalcAndSummaryRoutes(t *testing.T) {
	Convey("Given an API server", t, func() {
		h, svc, _ := newTestServer(t)

		Convey("When experience is granted twice with one request id", func() {
			body := map[string]any{"character_id": "hero", "skill": "smithing", "amount": 100, "request_id": "r-1"}
			first := do(h, http.MethodPost, "/v1/xp", body)
			second := do(h, http.MethodPost, "/v1/xp", body)

			Convey("Then the second grant is reported as a duplicate", func() {
				So(first.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(first)["duplicate"], ShouldEqual, false)
				So(decodeBody(second)["duplicate"], ShouldEqual, true)

				w := do(h, http.MethodGet, "/v1/fatigue/hero/smithing", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["daily_xp_total"], ShouldEqual, 100.0)
			})
		})

		Convey("When a global recalculation is submitted", func() {
			w := do(h, http.MethodPost, "/v1/recalc-jobs", map[string]any{"scope": "global", "requested_by": "ops"})
			So(w.Code, ShouldEqual, http.StatusAccepted)
			id, _ := decodeBody(w)["job_id"].(string)
			So(id, ShouldNotBeEmpty)
			So(w.Header().Get("Location"), ShouldEqual, "/v1/recalc-jobs/"+id)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := svc.WaitJob(ctx, id)
			So(err, ShouldBeNil)

			Convey("Then the job and the aggregates are readable", func() {
				w := do(h, http.MethodGet, "/v1/recalc-jobs/"+id, nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["status"], ShouldEqual, "completed")

				So(do(h, http.MethodGet, "/v1/cities/brindle/aggregate", nil).Code, ShouldEqual, http.StatusOK)
				So(do(h, http.MethodGet, "/v1/factions/crown/aggregate", nil).Code, ShouldEqual, http.StatusOK)
				So(do(h, http.MethodGet, "/v1/cities/atlantis/aggregate", nil).Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When a recalculation has an unknown scope", func() {
			w := do(h, http.MethodPost, "/v1/recalc-jobs", map[string]any{"scope": "planet"})

			Convey("Then it is rejected", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the summary is requested", func() {
			from := t0.Add(-time.Hour).Format(time.RFC3339)
			to := t0.Add(time.Hour).Format(time.RFC3339)
			w := do(h, http.MethodGet, "/v1/metrics/summary?window_start="+from+"&window_end="+to, nil)

			Convey("Then the report is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w), ShouldContainKey, "alerts")
			})
		})

		Convey("When the summary window is malformed", func() {
			w := do(h, http.MethodGet, "/v1/metrics/summary?window_start=yesterday", nil)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(w)["code"], ShouldEqual, "bad_request")
			})
		})

		Convey("When the summary window is inverted", func() {
			from := t0.Add(time.Hour).Format(time.RFC3339)
			to := t0.Add(-time.Hour).Format(time.RFC3339)
			w := do(h, http.MethodGet, "/v1/metrics/summary?window_start="+from+"&window_end="+to, nil)

			Convey("Then it is a validation error", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(w)["code"], ShouldEqual, "validation_error")
			})
		})
	})
}
