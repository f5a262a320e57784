// Package fleet implements the external API frames of the Fleet Protocol.
//
// The package defines the messages exchanged between the external server
// and a car's module gateway over MQTT, together with their protobuf
// encoding. Frames from the gateway arrive wrapped in an ExternalClient
// envelope; frames published by the server are wrapped in an
// ExternalServer envelope. The schema is fixed by the protocol and is
// mirrored in external_server.proto in this directory.
//
// The codec is a hand-maintained implementation on top of
// google.golang.org/protobuf/encoding/protowire with proto3 semantics:
// zero values are omitted on encode and unknown fields are skipped on
// decode, so peers built against newer schema revisions remain
// readable.
package fleet
