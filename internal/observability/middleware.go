package observability

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// ModelKey is the echo context key handlers set to label request metrics
// with the resolved model.
const ModelKey = "observability.model"

// Middleware records request metrics. dialect maps the matched route path to
// a dialect label; routes it returns "" for are not recorded.
//
// It captures:
//   - chatbridge_requests_total (counter): per request with dialect, status class and model labels
//   - chatbridge_request_duration_seconds (histogram): request duration with dialect and model labels
func Middleware(dialect func(path string) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			label := dialect(c.Path())
			if label == "" {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(interface{ StatusCode() int }); ok {
					status = he.StatusCode()
				} else if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}

			model, _ := c.Get(ModelKey).(string)
			if model == "" {
				model = "unknown"
			}

			statusClass := strconv.Itoa(status/100) + "xx"
			RequestsTotal.WithLabelValues(label, statusClass, model).Inc()
			RequestDuration.WithLabelValues(label, model).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
