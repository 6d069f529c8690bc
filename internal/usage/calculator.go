package usage

import "math"

const (
	MultiplierSharedRecord = "shared_record"
	MultiplierHighPriority = "high_priority"

	bytesPerMB = 1_000_000

	// SaturatedUnits bounds the audit counters of a Breakdown
	// (Attachments.Units, PreCapUnits). Larger values are recorded as
	// SaturatedUnits; Result is capped far below it.
	SaturatedUnits = math.MaxInt32
)

// Rules is the unit formula in force. Bump Version whenever a constant or the
// algorithm changes so historical rows stay interpretable.
type Rules struct {
	Version             int
	BaseUnits           int
	TextBlockChars      int
	AttachmentBaseUnits int
	AttachmentMBUnits   int
	SharedRecordFactor  float64
	HighPriorityFactor  float64
	MaxUnitsPerMessage  int
}

var DefaultRules = Rules{
	Version:             1,
	BaseUnits:           1,
	TextBlockChars:      200,
	AttachmentBaseUnits: 2,
	AttachmentMBUnits:   1,
	SharedRecordFactor:  1.25,
	HighPriorityFactor:  1.25,
	MaxUnitsPerMessage:  50,
}

// ComputeUnits prices one message with DefaultRules.
func ComputeUnits(e Event) Breakdown {
	return DefaultRules.Compute(e)
}

// Compute is total: negative inputs are clamped to zero, never rejected.
func (r Rules) Compute(e Event) Breakdown {
	contentLength := max(0, e.ContentLength)
	attachments := max(0, e.AttachmentsCount)
	sizeBytes := max(0, e.AttachmentsSizeBytes)

	textBlocks := ceilDiv(int64(contentLength), int64(r.TextBlockChars))
	sizeMB := ceilDiv(sizeBytes, bytesPerMB)

	// Accumulated in float64: int64 sums of client-supplied counts can wrap.
	attachmentUnits := float64(attachments)*float64(r.AttachmentBaseUnits) + float64(sizeMB)*float64(r.AttachmentMBUnits)
	units := float64(r.BaseUnits) + float64(textBlocks) + attachmentUnits

	multipliers := []string{}
	// Sequential on the running value: both together is 1.25*1.25, not 2.5.
	if e.Type == TypeSharedRecord {
		units *= r.SharedRecordFactor
		multipliers = append(multipliers, MultiplierSharedRecord)
	}
	if e.Priority == PriorityHigh {
		units *= r.HighPriorityFactor
		multipliers = append(multipliers, MultiplierHighPriority)
	}

	rounded := math.Ceil(units)
	capApplied := rounded > float64(r.MaxUnitsPerMessage)
	result := r.MaxUnitsPerMessage
	if !capApplied {
		result = int(rounded)
	}

	return Breakdown{
		BaseUnits:  r.BaseUnits,
		TextBlocks: int(textBlocks),
		Attachments: AttachmentBreakdown{
			Count:  attachments,
			SizeMB: sizeMB,
			Units:  saturate(attachmentUnits),
		},
		Multipliers: multipliers,
		PreCapUnits: int(saturate(rounded)),
		CapApplied:  capApplied,
		Result:      result,
		RuleVersion: r.Version,
	}
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 || d <= 0 {
		return 0
	}
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

func saturate(f float64) int64 {
	if f >= SaturatedUnits {
		return SaturatedUnits
	}
	return int64(f)
}
