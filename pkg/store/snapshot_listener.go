/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/lib/pq"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

// SnapshotListener consumes FileSnapshotNotifyChannel notifications
// over a dedicated lib/pq connection, handing each "project:path" pair
// to a callback. It is the lib/pq-specific counterpart to
// FileSnapshotRepository.SnapshotFile's NOTIFY emission.
type SnapshotListener struct {
	listener *pq.Listener
	logger   logr.Logger
}

// NewSnapshotListener opens a dedicated LISTEN connection. minReconnect
// and maxReconnect bound lib/pq's internal reconnect backoff.
func NewSnapshotListener(dsn string, logger logr.Logger, minReconnect, maxReconnect time.Duration) (*SnapshotListener, error) {
	l := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error(err, "snapshot listener event", "event", ev)
		}
	})
	if err := l.Listen(FileSnapshotNotifyChannel); err != nil {
		return nil, apierr.Transient("store_unavailable", "listen on snapshot channel", err)
	}
	return &SnapshotListener{listener: l, logger: logger}, nil
}

// Run blocks, invoking onSnapshot(projectID, path) for every
// notification received, until stop is closed.
func (s *SnapshotListener) Run(stop <-chan struct{}, onSnapshot func(projectID, path string)) {
	for {
		select {
		case <-stop:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue // lib/pq sends a nil notification after a reconnect
			}
			projectID, path, found := strings.Cut(n.Extra, ":")
			if !found {
				continue
			}
			onSnapshot(projectID, path)
		case <-time.After(90 * time.Second):
			// lib/pq recommends a periodic Ping to detect a dead
			// connection that didn't surface as a Notify error.
			_ = s.listener.Ping()
		}
	}
}

// Close releases the underlying connection.
func (s *SnapshotListener) Close() error {
	return s.listener.Close()
}
