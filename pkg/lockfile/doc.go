/*
Package lockfile enforces the single-instance rule for each terminal.

Each terminal acquires an exclusive flock-backed lock keyed by role and
machine id under the data directory. Because the kernel releases flocks
with the holding process, stale locks from crashed terminals never block a
restart; the pid written into the file is purely diagnostic.
*/
package lockfile
