// Copyright 2024-2026 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package log logs every HTTP request and injects the process logger into
// the request context.
package log

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/filegate/filegate/pkg/appctx"
)

// New returns a middleware that logs processed requests. The event level
// follows the response status: info below 400, warn below 500, error
// otherwise.
func New(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			r = r.WithContext(appctx.WithLogger(r.Context(), log))
			next.ServeHTTP(ww, r)
			writeLog(log, r, start, ww.Status(), ww.BytesWritten())
		})
	}
}

func writeLog(log *zerolog.Logger, r *http.Request, start time.Time, status, size int) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if status == 0 {
		status = http.StatusOK
	}

	var event *zerolog.Event
	switch {
	case status < 400:
		event = log.Info()
	case status < 500:
		event = log.Warn()
	default:
		event = log.Error()
	}
	event.Str("host", host).Str("method", r.Method).Str("uri", r.RequestURI).
		Int("status", status).Int("size", size).
		Dur("duration", time.Since(start)).
		Msg("processed http request")
}
