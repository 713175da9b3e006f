// Package priority moves the daemon out of the way of the vehicle software.
//
// The update work is throughput bound and never latency sensitive, so the
// process runs at the lowest CPU and I/O priority the OS offers.
package priority
