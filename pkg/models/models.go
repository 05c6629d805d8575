package models

import "time"

// FetchTarget is the normalized input to one fetch attempt. Construct it with
// parse.NewFetchTarget; it is not modified once a fetch begins.
type FetchTarget struct {
	ImageURL  string `json:"image_url" yaml:"image_url"`
	SourceURL string `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	Domain    string `json:"domain" yaml:"domain"`
}

// Session is the request identity carried by one fetch attempt. It is never shared
// between concurrent fetches.
type Session struct {
	Cookies      map[string]string
	UserAgent    string
	ExtraHeaders map[string]string
}

// Clone returns a deep copy so a harvested session can be handed to another transport.
func (s Session) Clone() Session {
	out := Session{UserAgent: s.UserAgent}
	if s.Cookies != nil {
		out.Cookies = make(map[string]string, len(s.Cookies))
		for k, v := range s.Cookies {
			out.Cookies[k] = v
		}
	}
	if s.ExtraHeaders != nil {
		out.ExtraHeaders = make(map[string]string, len(s.ExtraHeaders))
		for k, v := range s.ExtraHeaders {
			out.ExtraHeaders[k] = v
		}
	}
	return out
}

// FetchResult describes a successful transfer. The bytes themselves were streamed
// to the writer the strategy was given.
type FetchResult struct {
	Strategy    Strategy `json:"strategy"`
	ContentType string   `json:"content_type,omitempty"`
	FinalURL    string   `json:"final_url"`
	Size        int64    `json:"size"`
}

// AttemptRecord is one strategy's outcome within an orchestration run.
type AttemptRecord struct {
	Strategy Strategy      `json:"strategy"`
	Success  bool          `json:"success"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	FinalURL string        `json:"final_url,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CommitTransaction records a replace in progress. BackupPath is kept until the
// operator decides to delete it.
type CommitTransaction struct {
	OriginalPath  string    `json:"original_path"`
	BackupPath    string    `json:"backup_path"`
	CandidatePath string    `json:"candidate_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// ItemDBEntry stores the result of processing one batch URL in the database
type ItemDBEntry struct {
	Status      ItemStatus `json:"status"`
	LocalPath   string     `json:"local_path,omitempty"`
	FinalURL    string     `json:"final_url,omitempty"`
	Name        string     `json:"name,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"`
	Attempts    int        `json:"attempts"`
	LastAttempt time.Time  `json:"last_attempt"`
}
