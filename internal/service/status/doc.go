// Package status publishes the outcome of update cycles to the persistent
// key-value store read by the rest of the device.
package status
