// Package worker provides deterministic stand-ins for the external workers a
// run calls through the registry: a keyword planner, a corpus researcher, a
// template writer, a heuristic critic and a draft file writer.
//
// They let the CLI and the scenario harness run the full workflow offline.
// Every capability is a pure function of its input and its corpus, so two
// runs of the same request produce the same trace payloads.
package worker
