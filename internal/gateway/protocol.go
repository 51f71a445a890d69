package gateway

// Message types exchanged over a gateway connection.
const (
	TypeConnected              = "connected"
	TypeGetRecommendations     = "get_recommendations"
	TypeRecommendationChunk    = "recommendation_chunk"
	TypeRecommendationComplete = "recommendation_complete"
	TypeError                  = "error"
)

// Request is a client message.
type Request struct {
	Type      string `json:"type"`
	AnomalyID string `json:"anomalyId"`
}

// Message is a gateway message.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

func chunkMessage(text string) Message { return Message{Type: TypeRecommendationChunk, Data: text} }

func errorMessage(text string) Message { return Message{Type: TypeError, Data: text} }

var (
	connectedMessage = Message{Type: TypeConnected}
	completeMessage  = Message{Type: TypeRecommendationComplete}
)
