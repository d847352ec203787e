package translate

import (
	"testing"

	"pgregory.net/rapid"
)

type turn struct {
	role Role
	text string
}

func turns(msgs []Message) []turn {
	out := make([]turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, turn{role: m.Role, text: m.Text()})
	}
	return out
}

func genRequest(t *rapid.T) *Request {
	text := rapid.OneOf(
		rapid.StringMatching(`[a-zA-Z0-9][a-zA-Z0-9 .,]{0,24}`),
		rapid.StringMatching(`[a-z]{1,8}\n\n\\?(User|Assistant|System): [a-z]{1,8}`),
		rapid.StringMatching(`\\?(User|Assistant|System): [a-z]{1,8}`),
		rapid.SampledFrom([]string{openAssistant, `\` + openAssistant}),
	)
	req := &Request{
		Model:  rapid.SampledFrom([]string{"gpt-5", "local-model"}).Draw(t, "model"),
		System: rapid.OneOf(rapid.Just(""), text).Draw(t, "system"),
	}
	n := rapid.IntRange(1, 6).Draw(t, "turns")
	role := RoleUser
	for i := 0; i < n; i++ {
		segs := rapid.IntRange(1, 2).Draw(t, "segments")
		msg := Message{Role: role}
		for j := 0; j < segs; j++ {
			msg.Segments = append(msg.Segments, TextSegment(text.Draw(t, "text")))
		}
		req.Messages = append(req.Messages, msg)
		if role == RoleUser {
			role = RoleAssistant
		} else {
			role = RoleUser
		}
	}
	return req
}

func TestRequestRoundTripPreservesConversation(t *testing.T) {
	for _, shape := range Shapes {
		codec := CodecFor(shape)
		t.Run(shape.String(), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				req := genRequest(rt)
				body, err := codec.EncodeRequest(req)
				if err != nil {
					rt.Fatalf("encode: %v", err)
				}
				got, err := codec.DecodeRequest(body)
				if err != nil {
					rt.Fatalf("decode: %v", err)
				}
				if got.System != req.System {
					rt.Fatalf("system = %q, want %q", got.System, req.System)
				}
				want, have := turns(req.Messages), turns(got.Messages)
				if len(want) != len(have) {
					rt.Fatalf("got %d turns, want %d (%v vs %v)", len(have), len(want), have, want)
				}
				for i := range want {
					if want[i] != have[i] {
						rt.Fatalf("turn %d = %+v, want %+v", i, have[i], want[i])
					}
				}
			})
		})
	}
}
