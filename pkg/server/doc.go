// Package server implements the per-car session engine of the external
// server.
//
// A CarServer drives one car's session: the connection state machine,
// the single-consumer event loop, the status and command pipelines with
// their timeout regimes, and the device table. All session state is
// mutated only by the controller goroutine consuming the event queue;
// the bus adapter, the module command-waiting threads and the tick
// source are producers only.
//
// A Supervisor hosts one CarServer per configured car and multiplexes
// them over a single process. Cars are strictly independent: one car's
// failure never crosses into another session.
package server
