// Package restic invokes the restic binary and adapts its commands into
// queue work units.
//
// Output of a run is streamed line by line into debug logs and only the last
// lines of each stream are kept in memory.
package restic
