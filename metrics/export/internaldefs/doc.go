// Package internaldefs holds the metric names and bucket boundaries shared by the exporters.
//
// Counter and histogram definitions live here so that the Prometheus and OTel exporters
// publish identical names. Changes here affect all exporters at once.
package internaldefs
