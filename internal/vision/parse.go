package vision

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/models"
)

// NotAvailable is what the model answers for fields it cannot determine.
const NotAvailable = "n/a"

type rawCarInfo struct {
	Make   json.RawMessage `json:"make"`
	Model  json.RawMessage `json:"model"`
	Year   json.RawMessage `json:"year"`
	Rarity json.RawMessage `json:"rarity"`
	Link   json.RawMessage `json:"link"`
}

// ParseCarInfo decodes the model's answer. The answer is expected to be a
// JSON object, optionally wrapped in a Markdown code fence. Numbers are
// accepted wherever strings are, and absent fields become "n/a". A link that
// is not an http(s) URL is dropped.
func ParseCarInfo(text string) (models.CarInfo, error) {
	body := stripFence(text)
	if body == "" {
		return models.CarInfo{}, apperr.Validation("failed to parse classifier response: empty answer")
	}

	var raw rawCarInfo
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.CarInfo{}, &apperr.Error{
			Kind:    apperr.KindValidation,
			Message: "failed to parse classifier response",
			Cause:   err,
		}
	}

	info := models.CarInfo{
		Make:   scalar(raw.Make),
		Model:  scalar(raw.Model),
		Year:   scalar(raw.Year),
		Rarity: scalar(raw.Rarity),
	}
	if link := scalar(raw.Link); strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		info.Link = link
	}
	return info, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// drop the info string, e.g. "json"
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func scalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return NotAvailable
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return NotAvailable
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return NotAvailable
}
