// Package types holds small generic containers used to deliver notifications
// outside of object locks.
package types
