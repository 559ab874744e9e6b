package broadcast

import "time"

const (
	TypeImage = "image"
	TypeHello = "hello"
	TypePong  = "pong"
)

// Event is the payload pushed to viewers. Image events carry the prompt in Text.
type Event struct {
	Type       string `json:"type" msgpack:"type"`
	Text       string `json:"text,omitempty" msgpack:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty" msgpack:"image_url,omitempty"`
	ViewerID   string `json:"viewer_id,omitempty" msgpack:"viewer_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty" msgpack:"server_time,omitempty"`
}

func ImageEvent(prompt, imageURL string) Event {
	return Event{Type: TypeImage, Text: prompt, ImageURL: imageURL}
}

// DemoImageEvent is the fixed demo image some viewers expect right after connecting.
func DemoImageEvent() Event {
	return Event{
		Type:     TypeImage,
		Text:     "Test connection image",
		ImageURL: "https://picsum.photos/800/800",
	}
}

// HelloEvent announces the connection to the viewer that just subscribed.
func HelloEvent(v *Viewer) *Event {
	return &Event{Type: TypeHello, ViewerID: v.ID, ServerTime: time.Now().UnixMilli()}
}

// StaticHello always greets new viewers with ev.
func StaticHello(ev Event) func(*Viewer) *Event {
	return func(*Viewer) *Event {
		e := ev
		return &e
	}
}
