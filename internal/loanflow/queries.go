package loanflow

// AllDocumentsUploaded reports whether every required slot is uploaded
func AllDocumentsUploaded(s State) bool {
	for _, slot := range DocumentSlots {
		if s.Documents[slot].Status != DocumentUploaded {
			return false
		}
	}
	return true
}

// UploadSummary counts slots by status
type UploadSummary struct {
	Total     int `json:"total"`
	Uploaded  int `json:"uploaded"`
	Uploading int `json:"uploading"`
	Failed    int `json:"failed"`
}

func SummarizeUploads(s State) UploadSummary {
	summary := UploadSummary{Total: len(DocumentSlots)}
	for _, slot := range DocumentSlots {
		switch s.Documents[slot].Status {
		case DocumentUploaded:
			summary.Uploaded++
		case DocumentUploading:
			summary.Uploading++
		case DocumentError:
			summary.Failed++
		}
	}
	return summary
}

// CurrentPrompt is the prompt for the active step
func CurrentPrompt(s State) string {
	return PromptFor(s.CurrentStep, s)
}

// IsTerminal reports whether no further input can move the application forward
func IsTerminal(s State) bool {
	return s.CurrentStep == StepClosed || s.CurrentStep == StepComplete
}

func MaskMobile(mobile string) string {
	digits := NormalizeMobile(mobile)
	if len(digits) < 4 {
		return digits
	}
	return "******" + digits[len(digits)-4:]
}

func MaskPAN(pan string) string {
	pan = NormalizePAN(pan)
	if len(pan) < 4 {
		return pan
	}
	return pan[:2] + "****" + pan[len(pan)-2:]
}

func MaskAadhaar(aadhaar string) string {
	digits := NormalizeAadhaar(aadhaar)
	if len(digits) < 4 {
		return digits
	}
	return "****-****-" + digits[len(digits)-4:]
}
