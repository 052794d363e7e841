// Package tracking assigns stable identities to motion regions that are
// detected independently in each video frame.
//
// Responsibilities: greedy first-fit centroid matching, fresh id
// allocation, and retirement of identities that go unmatched.
// Key types: Region, TrackedObject, Registry, Tracker.
//
// Dependency rule: tracking knows nothing about lane boundaries or
// counting. No SQL/database code is allowed in this package.
package tracking
