package tautulli

// envelope is the wrapper every api.v2 response arrives in.
type envelope[T any] struct {
	Response struct {
		Result  string `json:"result"`
		Message string `json:"message"`
		Data    T      `json:"data"`
	} `json:"response"`
}

// Activity is the get_activity payload: active streams and bandwidth.
type Activity struct {
	StreamCount             int       `json:"stream_count,string"`
	StreamCountDirectPlay   int       `json:"stream_count_direct_play"`
	StreamCountDirectStream int       `json:"stream_count_direct_stream"`
	StreamCountTranscode    int       `json:"stream_count_transcode"`
	TotalBandwidth          int       `json:"total_bandwidth"`
	Sessions                []Session `json:"sessions"`
}

// Session is one active playback stream.
type Session struct {
	SessionKey      string `json:"session_key"`
	SessionID       string `json:"session_id"`
	UserID          int    `json:"user_id"`
	Username        string `json:"username"`
	FriendlyName    string `json:"friendly_name"`
	MediaType       string `json:"media_type"`
	Title           string `json:"title"`
	ParentTitle     string `json:"parent_title"`
	GrandparentName string `json:"grandparent_title"`
	State           string `json:"state"`
	ProgressPercent int    `json:"progress_percent,string"`
	Platform        string `json:"platform"`
	Player          string `json:"player"`
	IPAddress       string `json:"ip_address"`
}

// HistoryPage is one page of get_history results.
type HistoryPage struct {
	RecordsTotal    int            `json:"recordsTotal"`
	RecordsFiltered int            `json:"recordsFiltered"`
	Draw            int            `json:"draw"`
	Data            []HistoryEntry `json:"data"`
}

// HistoryEntry is a single playback record.
type HistoryEntry struct {
	Date              int64   `json:"date"`
	Started           int64   `json:"started"`
	Stopped           int64   `json:"stopped"`
	UserID            int     `json:"user_id"`
	Username          string  `json:"user"`
	FriendlyName      string  `json:"friendly_name"`
	MediaType         string  `json:"media_type"`
	RatingKey         int     `json:"rating_key"`
	Title             string  `json:"title"`
	ParentTitle       string  `json:"parent_title"`
	GrandparentTitle  string  `json:"grandparent_title"`
	Year              int     `json:"year"`
	WatchedStatus     float64 `json:"watched_status"`
	PercentComplete   int     `json:"percent_complete"`
	Duration          int64   `json:"duration"`
	TranscodeDecision string  `json:"transcode_decision"`
	Platform          string  `json:"platform"`
	Player            string  `json:"player"`
}

// User is one entry of the get_users list.
type User struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	FriendlyName string `json:"friendly_name"`
	Email        string `json:"email"`
	Plays        int    `json:"plays"`
	Duration     int64  `json:"duration"`
	LastSeen     int64  `json:"last_seen"`
	IsActive     int    `json:"is_active"`
	IsAdmin      int    `json:"is_admin"`
}

// Library is one entry of the get_libraries list.
type Library struct {
	SectionID   int    `json:"section_id,string"`
	SectionName string `json:"section_name"`
	SectionType string `json:"section_type"`
	Agent       string `json:"agent"`
	Count       int    `json:"count,string"`
	IsActive    int    `json:"is_active"`
}

// ServerInfo is the get_server_identity payload.
type ServerInfo struct {
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	UpdateAvailable int    `json:"update_available"`
}

// HistoryQuery narrows a get_history request. Zero values mean "omit".
type HistoryQuery struct {
	UserID int
	Length int
	Start  int
	After  string // YYYY-MM-DD, history on/after this date
}
