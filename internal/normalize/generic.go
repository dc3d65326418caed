package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"cdr-pipeline/internal/models"
)

// genericCDR is for PBXs configured to post the canonical shape directly.
type genericCDR struct {
	CallID            flexString `json:"call_id"`
	Direction         flexString `json:"direction"`
	From              flexString `json:"from"`
	To                flexString `json:"to"`
	CallerName        flexString `json:"caller_name"`
	StartTime         flexString `json:"start_time"`
	AnswerTime        flexString `json:"answer_time"`
	EndTime           flexString `json:"end_time"`
	Duration          flexString `json:"duration"`
	Billsec           flexString `json:"billsec"`
	Disposition       flexString `json:"disposition"`
	RecordingFilename flexString `json:"recording_filename"`
	SrcTrunk          flexString `json:"src_trunk"`
	DstTrunk          flexString `json:"dst_trunk"`
	Context           flexString `json:"context"`
}

func generic(raw []byte, loc *time.Location, errs fieldErrors) models.CanonicalCall {
	var rec genericCDR
	if err := json.Unmarshal(raw, &rec); err != nil {
		errs.add("payload", err.Error())
		return models.CanonicalCall{}
	}

	if rec.CallID.String() == "" {
		errs.add("call_id", "is required")
	}
	if rec.Disposition.String() == "" {
		errs.add("disposition", "is required")
	}

	direction := models.Direction(strings.ToLower(rec.Direction.String()))
	switch direction {
	case models.DirectionInbound, models.DirectionOutbound, models.DirectionInternal:
	case "":
		direction = InferDirection(rec.Context.String(), rec.SrcTrunk.String(), rec.DstTrunk.String(), "")
	default:
		errs.add("direction", "must be inbound, outbound or internal")
	}

	return models.CanonicalCall{
		VendorCallID:      rec.CallID.String(),
		Direction:         direction,
		Src:               rec.From.String(),
		Dst:               rec.To.String(),
		CallerName:        rec.CallerName.String(),
		StartTime:         requiredTime("start_time", rec.StartTime.String(), loc, errs),
		AnswerTime:        optionalTime("answer_time", rec.AnswerTime.String(), loc, errs),
		EndTime:           optionalTime("end_time", rec.EndTime.String(), loc, errs),
		DurationSeconds:   nonNegativeInt("duration", rec.Duration, errs),
		BillsecSeconds:    nonNegativeInt("billsec", rec.Billsec, errs),
		Disposition:       MapDisposition(rec.Disposition.String()),
		RecordingFilename: rec.RecordingFilename.String(),
	}
}
