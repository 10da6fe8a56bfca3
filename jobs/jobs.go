// Package jobs registers every bundled domain job with the processor
// registry. Import it for side effects.
package jobs

import (
	_ "github.com/drblury/tierflow/jobs/actions"
	_ "github.com/drblury/tierflow/jobs/balances"
)
