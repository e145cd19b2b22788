// Copyright 2024 The MicroV Authors.
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

package hve

import "errors"

// The donation and reclaim protocol reports three kinds of failure:
// retryable contention (ErrAgain), policy refusals that leave no partial
// state, and internal invariant violations (ErrInternal) that indicate a
// bug rather than a runtime condition.
var (
	// ErrAgain means another TLB shootdown was in flight. Nothing was
	// mutated; the caller retries the whole operation.
	ErrAgain = errors.New("shootdown in progress, try again")

	// ErrNotRoot means a root-only operation was invoked by or on a
	// non-root domain.
	ErrNotRoot = errors.New("operation restricted to the root domain")

	// ErrDomainLive means reclaim was attempted while the borrower still
	// exists; pages cannot be pulled out from under a running guest.
	ErrDomainLive = errors.New("borrower domain still exists")

	// ErrNotDonated means the page (or borrower) has no donation record.
	ErrNotDonated = errors.New("page not donated")

	// ErrNoTranslation means the address resolved to nothing: the page
	// is not present.
	ErrNoTranslation = errors.New("no translation for address")

	// ErrTranslationFault means the address has a translation but
	// resolving it faulted.
	ErrTranslationFault = errors.New("translation fault")

	// ErrInternal marks invariant violations, like a root page that is
	// not identity mapped. These are bugs, not runtime conditions.
	ErrInternal = errors.New("internal invariant violated")
)

// IsRetryable returns true if err means the whole operation should be
// retried from the top.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAgain)
}
