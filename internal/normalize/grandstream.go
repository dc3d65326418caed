package normalize

import (
	"encoding/json"
	"time"

	"cdr-pipeline/internal/models"
)

// grandstreamCDR is the UCM CDR push body. The UCM can wrap the record as
// {"cdr": {...}} or {"cdr_root": [{...}]}; both are unwrapped first.
type grandstreamCDR struct {
	UniqueID     flexString `json:"uniqueid"`
	Session      flexString `json:"session"`
	AcctID       flexString `json:"acctid"`
	Src          flexString `json:"src"`
	Dst          flexString `json:"dst"`
	CallerName   flexString `json:"caller_name"`
	CLID         flexString `json:"clid"`
	Start        flexString `json:"start"`
	Answer       flexString `json:"answer"`
	End          flexString `json:"end"`
	Duration     flexString `json:"duration"`
	Billsec      flexString `json:"billsec"`
	Disposition  flexString `json:"disposition"`
	RecordFiles  flexString `json:"recordfiles"`
	ActionType   flexString `json:"action_type"`
	DContext     flexString `json:"dcontext"`
	SrcTrunkName flexString `json:"src_trunk_name"`
	DstTrunkName flexString `json:"dst_trunk_name"`
}

type grandstreamEnvelope struct {
	CDR     *grandstreamCDR  `json:"cdr"`
	CDRRoot []grandstreamCDR `json:"cdr_root"`
}

func grandstream(raw []byte, loc *time.Location, errs fieldErrors) models.CanonicalCall {
	var env grandstreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		errs.add("payload", err.Error())
		return models.CanonicalCall{}
	}
	var rec grandstreamCDR
	switch {
	case env.CDR != nil:
		rec = *env.CDR
	case len(env.CDRRoot) > 0:
		rec = env.CDRRoot[0]
	default:
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs.add("payload", err.Error())
			return models.CanonicalCall{}
		}
	}

	callID := firstNonEmpty(rec.UniqueID, rec.Session, rec.AcctID)
	if callID == "" {
		errs.add("uniqueid", "is required")
	}
	callerName := firstNonEmpty(rec.CallerName, rec.CLID)
	if rec.Disposition.String() == "" {
		errs.add("disposition", "is required")
	}

	return models.CanonicalCall{
		VendorCallID:      callID,
		Direction:         InferDirection(rec.DContext.String(), rec.SrcTrunkName.String(), rec.DstTrunkName.String(), rec.ActionType.String()),
		Src:               rec.Src.String(),
		Dst:               rec.Dst.String(),
		CallerName:        callerName,
		StartTime:         requiredTime("start", rec.Start.String(), loc, errs),
		AnswerTime:        optionalTime("answer", rec.Answer.String(), loc, errs),
		EndTime:           optionalTime("end", rec.End.String(), loc, errs),
		DurationSeconds:   nonNegativeInt("duration", rec.Duration, errs),
		BillsecSeconds:    nonNegativeInt("billsec", rec.Billsec, errs),
		Disposition:       MapDisposition(rec.Disposition.String()),
		RecordingFilename: firstRecording(rec.RecordFiles.String()),
	}
}
