package meli

import "encoding/json"

// TokenResponse is the /oauth/token payload for both the authorization-code
// exchange and the refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// User is the /users/me payload.
type User struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname"`
	SiteID    string `json:"site_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	CountryID string `json:"country_id"`

	// Raw keeps the full payload for the warehouse audit column.
	Raw json.RawMessage `json:"-"`
}

// SearchPaging is the offset paging block of a search response.
type SearchPaging struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// OrderSearchResponse is one page of /orders/search results. Results stay raw
// so the sync layer controls how much of each order it keeps.
type OrderSearchResponse struct {
	Results []json.RawMessage `json:"results"`
	Paging  SearchPaging      `json:"paging"`
}

// BillingPeriod is one entry of /billing/integration/periods.
type BillingPeriod struct {
	Key      string `json:"key"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

// BillingPeriodsResponse wraps the period list. The endpoint has been seen
// returning both a bare array and a {"results": [...]} envelope.
type BillingPeriodsResponse struct {
	Results []BillingPeriod `json:"results"`
}

func (r *BillingPeriodsResponse) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &r.Results)
	}
	type envelope BillingPeriodsResponse
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r.Results = e.Results
	return nil
}

// BillingReport describes one report file for a period. The file id field
// name varies across billing endpoints.
type BillingReport struct {
	FileID      string `json:"file_id"`
	Status      string `json:"status"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url"`
}

func (r *BillingReport) UnmarshalJSON(data []byte) error {
	var raw struct {
		FileID      string `json:"file_id"`
		FileIDAlt   string `json:"fileId"`
		ID          string `json:"id"`
		Status      string `json:"status"`
		ContentType string `json:"content_type"`
		DownloadURL string `json:"download_url"`
		URL         string `json:"url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.FileID = raw.FileID
	if r.FileID == "" {
		r.FileID = raw.FileIDAlt
	}
	if r.FileID == "" {
		r.FileID = raw.ID
	}
	r.Status = raw.Status
	r.ContentType = raw.ContentType
	r.DownloadURL = raw.DownloadURL
	if r.DownloadURL == "" {
		r.DownloadURL = raw.URL
	}
	return nil
}

// BillingReportsResponse wraps the report-file list for a period, tolerating
// both a bare array and a {"files": [...]} envelope.
type BillingReportsResponse struct {
	Files []BillingReport `json:"files"`
}

func (r *BillingReportsResponse) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &r.Files)
	}
	type envelope BillingReportsResponse
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r.Files = e.Files
	return nil
}
