package store

import "fmt"

// Key layout. All keys sort so that a prefix scan yields records in the
// order the engine needs:
//
//	conv:<convID>:meta                conversation metadata JSON
//	conv:<convID>:msg:<seq %012d>     committed message JSON, ascending seq
//	msgid:<msgID>                     {conversation, seq} lookup record
//	version:msg:<msgID>:<ts %020d>    prior content versions (edit audit)
//	read:<convID>:<participantID>     last-read sequence (decimal string)
//
// The delivery tracker and outbox own their namespaces ("delivery:",
// "outbox:") via the raw key helpers.

func msgKey(convID string, seq uint64) string {
	return fmt.Sprintf("conv:%s:msg:%012d", convID, seq)
}

func msgPrefix(convID string) string {
	return "conv:" + convID + ":msg:"
}

func msgIDKey(msgID string) string {
	return "msgid:" + msgID
}

func convMetaKey(convID string) string {
	return "conv:" + convID + ":meta"
}

func versionKey(msgID string, ts int64) string {
	return fmt.Sprintf("version:msg:%s:%020d", msgID, ts)
}

func versionPrefix(msgID string) string {
	return "version:msg:" + msgID + ":"
}

func readKey(convID, participantID string) string {
	return "read:" + convID + ":" + participantID
}

// msgRef is the value stored under msgid:<id>; it locates the committed copy.
type msgRef struct {
	Conversation string `json:"conversation"`
	Seq          uint64 `json:"seq"`
}
