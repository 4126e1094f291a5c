/*
 * Copyright 2025 Carver Automation Corporation.
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

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/sessionradar/pkg/session"
)

const externalCallTries = 2

// callExternal runs op with its own timeout and retries it once after delay.
// Cancellation of ctx and unknown sessions are not retried.
func callExternal[T any](ctx context.Context, timeout, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		v, err := op(callCtx)

		switch {
		case err == nil:
			return v, nil
		case ctx.Err() != nil:
			return v, backoff.Permanent(ctx.Err())
		case errors.Is(err, session.ErrSessionNotFound):
			return v, backoff.Permanent(err)
		default:
			return v, err
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(externalCallTries),
		backoff.WithMaxElapsedTime(0),
	)
}
