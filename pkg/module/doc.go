// Package module hosts the handler libraries of a car session.
//
// Each configured module id is served by one handler library reached
// through the API capability interface. Two providers exist: a dynamic
// loader for the C shared objects the Fleet Protocol defines, and an
// in-memory mock used by the engine tests.
//
// A Runtime owns one provider together with its command-waiting thread,
// which polls the library for commands and feeds them into the
// session's event queue.
package module
