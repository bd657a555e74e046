// Package instagram implements the request executor: authenticated HTTP
// calls with rate control, failure classification and retry.
package instagram
