// Package crossing turns identity transitions between two registries into
// lane-crossing events and keeps the running per-lane counters.
//
// Counting is purely a function of registry transitions: an id must be
// present before and after an update to count, so an object can never be
// counted in the frame it is first seen. A centroid that jitters back and
// forth over a boundary in later frames is counted again; that over-count
// is the accuracy bound of centroid-only tracking and is left as is.
package crossing
