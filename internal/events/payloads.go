package events

// Worker is the payload of worker.* events.
type Worker struct {
	Client    string `json:"client"`
	Interface string `json:"interface,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Work is the payload of work.* events.
type Work struct {
	WorkID  string `json:"work_id"`
	Task    string `json:"task"`
	Client  string `json:"client,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Waiting is the payload of task.waiting events.
type Waiting struct {
	Task    string `json:"task"`
	Waiting int    `json:"waiting"`
}
