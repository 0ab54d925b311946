package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/retry"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDo(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxTries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

	Convey("Given an operation that is unavailable twice then succeeds", t, func() {
		calls := 0
		v, attempts, err := retry.Do(ctx, policy, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, failure.WrapKind("store.get", failure.ErrUnavailable, errors.New("io"))
			}
			return 42, nil
		})

		Convey("Then it retries until success", func() {
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 42)
			So(attempts, ShouldEqual, 3)
		})
	})

	Convey("Given an operation that stays unavailable", t, func() {
		_, attempts, err := retry.Do(ctx, policy, func() (int, error) {
			return 0, failure.NewKind("store.get", failure.ErrUnavailable)
		})

		Convey("Then it gives up after the policy's tries", func() {
			So(errors.Is(err, failure.ErrUnavailable), ShouldBeTrue)
			So(attempts, ShouldEqual, 3)
		})
	})

	Convey("Given an operation failing validation", t, func() {
		_, attempts, err := retry.Do(ctx, policy, func() (string, error) {
			return "", failure.Validationf("unit.parse", "bad id %q", "x")
		})

		Convey("Then it is not retried and the cause is unwrapped", func() {
			So(attempts, ShouldEqual, 1)
			So(errors.Is(err, failure.ErrValidation), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "bad id")
		})
	})
}
