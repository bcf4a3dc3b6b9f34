package event

import (
	"encoding/json"
	"testing"

	"github.com/skillbridge/realtime/internal/model"
)

func TestEnvelopeCarriesTypedPayload(t *testing.T) {
	ev, err := New(TypeMeetingReminder, MeetingReminder{
		MeetingID: "m1",
		Stage:     model.Stage5,
		Subject:   "Algebra",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Over the wire and back.
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != TypeMeetingReminder {
		t.Fatalf("type = %q", back.Type)
	}

	var p MeetingReminder
	if err := back.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MeetingID != "m1" || p.Stage != model.Stage5 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestDecodeRejectsForeignPayload(t *testing.T) {
	ev := Envelope{Type: TypeRoleChanged, Payload: json.RawMessage(`"just a string"`)}
	var p RoleChanged
	if err := ev.Decode(&p); err == nil {
		t.Fatalf("expected a decode error for a mismatched payload")
	}
}
