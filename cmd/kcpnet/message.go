package main

import (
	"time"

	"github.com/1ureka/kcpnet/internal/codec"
	"github.com/1ureka/kcpnet/internal/kcpsession"
	"github.com/1ureka/kcpnet/internal/util"
)

// Message is the application payload exchanged by the demo roles.
type Message struct {
	Seq    uint32
	From   uint32 // sender conv, 0 for the server
	Text   string
	SentAt time.Time
}

// newMessage stamps text with the session's next sequence number.
func newMessage(s *kcpsession.Session, from uint32, text string) Message {
	return Message{Seq: s.NextSeq(), From: from, Text: text, SentAt: time.Now()}
}

// decodeMessage unpacks a payload, logging and discarding undecodable ones.
func decodeMessage(s *kcpsession.Session, payload []byte) (Message, bool) {
	msg, err := codec.Unpack[Message](payload)
	if err != nil {
		util.LogWarning("[%d] undecodable message: %v", s.Conv(), err)
		return Message{}, false
	}
	return msg, true
}
