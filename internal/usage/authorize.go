package usage

import (
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

// AuthorizeSummary allows only the practitioner or the patient of the pair to
// read its summary.
func AuthorizeSummary(caller domain.User, practitioner, patient string) error {
	if caller.Is(practitioner) || caller.Is(patient) {
		return nil
	}
	return domain.ErrNotAuthorized
}

// ScopeLedgerQuery turns caller-supplied filters into a query the caller is
// allowed to run. Rules:
//   - practitioner given: the caller must be that practitioner or the patient
//     filter, otherwise ErrNotAuthorized.
//   - only patient given: the patient may read their rows; anyone else is
//     narrowed to rows where they are the practitioner.
//   - no party given: narrowed to rows where the caller is either party.
//
// Pagination and range validation happen before this step.
func ScopeLedgerQuery(caller domain.User, f LedgerFilter) (LedgerQuery, error) {
	q := LedgerQuery{
		ThreadID:     f.ThreadID,
		Practitioner: domain.NormalizeEmail(f.Practitioner),
		Patient:      domain.NormalizeEmail(f.Patient),
		Direction:    f.Direction,
		From:         f.From,
		To:           f.To,
		Limit:        f.Limit,
		Offset:       f.Offset,
	}

	if caller.Email == "" {
		return LedgerQuery{}, domain.ErrNotAuthorized
	}
	self := domain.NormalizeEmail(caller.Email)

	switch {
	case q.Practitioner != "":
		if q.Practitioner != self && q.Patient != self {
			return LedgerQuery{}, domain.ErrNotAuthorized
		}
	case q.Patient != "":
		if q.Patient != self {
			q.Practitioner = self
		}
	default:
		q.Participant = self
	}

	return q, nil
}
