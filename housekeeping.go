/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// newCron builds the process's single cron scheduler, used only for
// internal housekeeping (the periodic session-expiry sweep): this
// deployment is not a generic job scheduler, so there is no user-facing
// config surface for adding arbitrary scheduled work.
func newCron(logger zerolog.Logger) *cron.Cron {
	l := loggerForCron{logger}
	return cron.New(cron.WithLogger(&l))
}

type loggerForCron struct {
	logger zerolog.Logger
}

func (l *loggerForCron) Info(msg string, keysAndValues ...interface{}) {
	// too verbose to log at info level
}

func (l *loggerForCron) Error(err error, msg string, keysAndValues ...interface{}) {
	e := l.logger.Error().Err(err).Bool("crond", true)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		e = e.Str(fmt.Sprintf("%v", keysAndValues[i]), fmt.Sprintf("%v", keysAndValues[i+1]))
	}
	e.Msg(msg)
}

// scheduleHousekeeping arms the hourly session-expiry sweep described in
// spec section 4.5 ("at most once an hour").
func scheduleHousekeeping(c *cron.Cron, sm *SessionManager) error {
	_, err := c.AddFunc("@hourly", sm.sweepExpired)
	if err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	return nil
}
