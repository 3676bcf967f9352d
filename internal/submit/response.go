package submit

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// flexString decodes a JSON string or number into its textual form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt decodes a JSON number or numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// response accepts the field spellings used by the different backend routes.
type response struct {
	TaskID              flexString `json:"task_id"`
	JobID               flexString `json:"job_id"`
	DownloadID          flexString `json:"download_id"`
	DownloadURL         string     `json:"download_url"`
	DownloadURLCamel    string     `json:"downloadUrl"`
	SuccessfulDownloads flexInt    `json:"successful_downloads"`
	SuccessCount        flexInt    `json:"success_count"`
	TotalImages         flexInt    `json:"total_images"`
	ImageCount          flexInt    `json:"image_count"`
	ProcessedFilename   string     `json:"processed_filename"`
	Content             string     `json:"content"`
	Error               string     `json:"error"`
	Message             string     `json:"message"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...flexInt) int {
	for _, v := range values {
		if v > 0 {
			return int(v)
		}
	}
	return 0
}

func (r response) errorMessage() string {
	switch {
	case r.Error != "" && r.Message != "" && r.Message != r.Error:
		return r.Error + ": " + r.Message
	case r.Error != "":
		return r.Error
	default:
		return r.Message
	}
}

func (r response) receipt(now time.Time) convert.Receipt {
	return convert.Receipt{
		Handle: convert.Handle{
			ID:          firstNonEmpty(string(r.TaskID), string(r.JobID), string(r.DownloadID)),
			SubmittedAt: now,
		},
		DownloadURL:     firstNonEmpty(r.DownloadURL, r.DownloadURLCamel),
		SuccessfulItems: firstPositive(r.SuccessfulDownloads, r.SuccessCount),
		TotalItems:      firstPositive(r.TotalImages, r.ImageCount),
		Filename:        r.ProcessedFilename,
		Content:         r.Content,
		Message:         r.Message,
	}
}
