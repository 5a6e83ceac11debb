package session

// State is one step of the conversational flow. A chat has at most one active
// session; its lifecycle is bounded by an explicit reset or the final menu.
type State string

const (
	StateIdle                State = "idle"
	StateSelectingAspect     State = "selecting_aspect_ratio"
	StateSelectingOrientation State = "selecting_orientation"
	StateUploadingImages     State = "uploading_images"
	StateWaitingPrompt       State = "waiting_prompt"
	StateGenerating          State = "generating"
	StateFinalMenu           State = "final_menu"
)

// Mode distinguishes the two flow families sharing the state contract.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

// PhotoRef is one uploaded reference image.
type PhotoRef struct {
	Type   string `json:"type"` // photo | document
	FileID string `json:"file_id"`
}

// Session is the per-chat conversation record: a tagged union of the current
// state plus accumulated request fields. It is plain data; all transitions are
// owned by the flow machine.
type Session struct {
	State       State      `json:"state"`
	Mode        Mode       `json:"mode,omitempty"`
	Photos      []PhotoRef `json:"photos,omitempty"`
	AlbumID     string     `json:"album_id,omitempty"`
	Finalized   bool       `json:"finalized,omitempty"`
	AspectRatio string     `json:"aspect_ratio,omitempty"`
	BasePrompt  string     `json:"base_prompt,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	Edits       []string   `json:"edits,omitempty"`
	AutoPrompt  string     `json:"auto_prompt,omitempty"`
	LastSeed    string     `json:"last_seed,omitempty"`
	ResultURLs  []string   `json:"last_result_urls,omitempty"`
	FilePaths   []string   `json:"file_paths,omitempty"`
	WaitMsgID   int        `json:"wait_msg_id,omitempty"`
}

// NewSession returns an empty idle session.
func NewSession() *Session {
	return &Session{State: StateIdle}
}
