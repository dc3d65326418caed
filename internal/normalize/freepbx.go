package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"cdr-pipeline/internal/models"
)

// freepbxCDR mirrors the Asterisk cdr table as posted by FreePBX hooks.
type freepbxCDR struct {
	UniqueID      flexString `json:"uniqueid"`
	LinkedID      flexString `json:"linkedid"`
	Src           flexString `json:"src"`
	Dst           flexString `json:"dst"`
	CNAM          flexString `json:"cnam"`
	CallDate      flexString `json:"calldate"`
	Duration      flexString `json:"duration"`
	Billsec       flexString `json:"billsec"`
	Disposition   flexString `json:"disposition"`
	RecordingFile flexString `json:"recordingfile"`
	DContext      flexString `json:"dcontext"`
	Channel       flexString `json:"channel"`
	DstChannel    flexString `json:"dstchannel"`
}

func freepbx(raw []byte, loc *time.Location, errs fieldErrors) models.CanonicalCall {
	var rec freepbxCDR
	if err := json.Unmarshal(raw, &rec); err != nil {
		errs.add("payload", err.Error())
		return models.CanonicalCall{}
	}

	callID := firstNonEmpty(rec.UniqueID, rec.LinkedID)
	if callID == "" {
		errs.add("uniqueid", "is required")
	}
	if rec.Disposition.String() == "" {
		errs.add("disposition", "is required")
	}

	start := requiredTime("calldate", rec.CallDate.String(), loc, errs)
	duration := nonNegativeInt("duration", rec.Duration, errs)
	billsec := nonNegativeInt("billsec", rec.Billsec, errs)

	call := models.CanonicalCall{
		VendorCallID:      callID,
		Direction:         InferDirection(rec.DContext.String(), trunkOf(rec.Channel.String()), trunkOf(rec.DstChannel.String()), ""),
		Src:               rec.Src.String(),
		Dst:               rec.Dst.String(),
		CallerName:        rec.CNAM.String(),
		StartTime:         start,
		DurationSeconds:   duration,
		BillsecSeconds:    billsec,
		Disposition:       MapDisposition(rec.Disposition.String()),
		RecordingFilename: firstRecording(rec.RecordingFile.String()),
	}
	// Asterisk only reports calldate; derive the rest from the counters.
	if !start.IsZero() {
		end := start.Add(time.Duration(duration) * time.Second)
		call.EndTime = &end
		if call.Disposition == models.DispositionAnswered && billsec > 0 {
			answer := end.Add(-time.Duration(billsec) * time.Second)
			call.AnswerTime = &answer
		}
	}
	return call
}

// trunkOf returns the trunk name for channels such as "PJSIP/trunk-acme-0000001a".
// Extension channels (numeric peer names) are not trunks.
func trunkOf(channel string) string {
	channel = strings.TrimSpace(channel)
	_, rest, ok := strings.Cut(channel, "/")
	if !ok {
		return ""
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		rest = rest[:i]
	}
	if rest == "" || strings.Trim(rest, "0123456789") == "" {
		return ""
	}
	return rest
}
