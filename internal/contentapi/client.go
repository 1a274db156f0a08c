// Package contentapi is the client for the school content API: schedules,
// the site geofence, subject profiles, media uploads and attendance
// records. Non-2xx status is the uniform error signal; when the backend
// supplies error.message it is surfaced verbatim.
package contentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"presence/internal/geofence"
	"presence/internal/schedule"
)

// Client calls the content API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a client. token may be empty for public collections.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError carries the backend's message for a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("content api: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("content api: request failed (status %d)", e.Status)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("content api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &errBody)
		return &APIError{Status: resp.StatusCode, Message: errBody.Error.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// scheduleEntry tolerates both flattened and attributes-nested payloads.
type scheduleEntry struct {
	ID int `json:"id"`
	schedule.Schedule
	Attributes *schedule.Schedule `json:"attributes"`
}

// ActiveSchedule fetches the attendance window configuration for a role.
// It returns nil when no schedule is configured.
func (c *Client) ActiveSchedule(ctx context.Context, role Role) (*schedule.Schedule, error) {
	q := url.Values{}
	q.Set("filters[jenis_presensi][$eq]", string(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/jadwal-presensis?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []scheduleEntry `json:"data"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}

	entry := out.Data[0]
	if entry.Attributes != nil {
		return entry.Attributes, nil
	}
	s := entry.Schedule
	return &s, nil
}

// HasAttendance reports whether the subject already has a record of the
// given kind since midnight of day (device-local date, YYYY-MM-DD).
func (c *Client) HasAttendance(ctx context.Context, role Role, subjectID int, kind schedule.Kind, day string) (bool, error) {
	b, err := role.binding()
	if err != nil {
		return false, err
	}

	q := url.Values{}
	q.Set(fmt.Sprintf("filters[%s][id][$eq]", b.relationField), strconv.Itoa(subjectID))
	q.Set("filters[jenis_absen][$eq]", string(kind))
	q.Set("filters[waktu_absen][$gte]", day)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/"+b.attendanceCollection+"?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}

	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(req, &out); err != nil {
		return false, err
	}
	return len(out.Data) > 0, nil
}

// Fence fetches the site geofence configuration. The backend stores the
// numbers as strings, so they are parsed here.
func (c *Client) Fence(ctx context.Context) (geofence.Fence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/lokasi-presensi", nil)
	if err != nil {
		return geofence.Fence{}, err
	}

	var out struct {
		Data struct {
			Latitude    string `json:"latitude"`
			Longitude   string `json:"longitude"`
			RadiusMeter string `json:"radius_meter"`
		} `json:"data"`
	}
	if err := c.do(req, &out); err != nil {
		return geofence.Fence{}, err
	}

	lat, err := strconv.ParseFloat(out.Data.Latitude, 64)
	if err != nil {
		return geofence.Fence{}, fmt.Errorf("bad site latitude %q: %w", out.Data.Latitude, err)
	}
	lon, err := strconv.ParseFloat(out.Data.Longitude, 64)
	if err != nil {
		return geofence.Fence{}, fmt.Errorf("bad site longitude %q: %w", out.Data.Longitude, err)
	}
	radius, err := strconv.ParseFloat(out.Data.RadiusMeter, 64)
	if err != nil {
		return geofence.Fence{}, fmt.Errorf("bad site radius %q: %w", out.Data.RadiusMeter, err)
	}

	return geofence.Fence{Latitude: lat, Longitude: lon, RadiusMeters: radius}, nil
}

// Photo is one reference photo attached to a subject profile.
type Photo struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// Subject is the person being authenticated.
type Subject struct {
	ID     int     `json:"id"`
	Name   string  `json:"nama"`
	Role   Role    `json:"-"`
	Photos []Photo `json:"foto_wajah"`
}

// PhotoURLs returns absolute URLs for the subject's reference photos.
func (c *Client) PhotoURLs(s Subject) []string {
	urls := make([]string, 0, len(s.Photos))
	for _, p := range s.Photos {
		urls = append(urls, c.BaseURL+p.URL)
	}
	return urls
}

// SubjectProfile fetches a subject with reference photos populated.
func (c *Client) SubjectProfile(ctx context.Context, role Role, subjectID int) (Subject, error) {
	b, err := role.binding()
	if err != nil {
		return Subject{}, err
	}

	q := url.Values{}
	q.Set("filters[id][$eq]", strconv.Itoa(subjectID))
	q.Set("populate", "foto_wajah")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/"+b.subjectCollection+"?"+q.Encode(), nil)
	if err != nil {
		return Subject{}, err
	}

	var out struct {
		Data []Subject `json:"data"`
	}
	if err := c.do(req, &out); err != nil {
		return Subject{}, err
	}
	if len(out.Data) == 0 {
		return Subject{}, fmt.Errorf("subject %d not found", subjectID)
	}

	subj := out.Data[0]
	subj.Role = role
	return subj, nil
}

// Upload posts the captured photo as multipart field "files" and returns
// the created media id.
func (c *Client) Upload(ctx context.Context, imageData []byte, filename string) (int, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", filename)
	if err != nil {
		return 0, err
	}
	if _, err := part.Write(imageData); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/upload", &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out []struct {
		ID int `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("upload returned no media entries")
	}
	return out[0].ID, nil
}

// Record is the attendance event to create.
type Record struct {
	Timestamp   time.Time
	Kind        schedule.Kind
	Coordinates string
	Validated   bool
	PhotoID     int
	SubjectID   int
}

// CreateAttendance posts a new attendance record for the subject's role.
func (c *Client) CreateAttendance(ctx context.Context, role Role, rec Record) error {
	b, err := role.binding()
	if err != nil {
		return err
	}

	idRef := func(id int) map[string]int { return map[string]int{"id": id} }
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"waktu_absen":     rec.Timestamp.Format(time.RFC3339),
			"jenis_absen":     string(rec.Kind),
			"koordinat_absen": rec.Coordinates,
			"is_validated":    rec.Validated,
			"foto_absen":      idRef(rec.PhotoID),
			b.relationField:   idRef(rec.SubjectID),
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/"+b.attendanceCollection, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, nil)
}
