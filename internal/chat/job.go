package chat

type TitleState string

const (
	TitleNone    TitleState = "none"
	TitlePending TitleState = "pending"
	TitleDone    TitleState = "done"
	TitleFailed  TitleState = "failed"
)

// TitleJob is the unit of work for title generation, either run in-process
// or carried over the queue to cmd/worker.
type TitleJob struct {
	ChatID  string `json:"chat_id"`
	OwnerID uint64 `json:"owner_id"`
}
