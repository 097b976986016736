/*
Package metrics defines Prometheus metrics for the Stratum terminals.

Metric variables are registered at package init and shared by the sampler,
executor and writer; each terminal only touches its own families. Handler
exposes the standard promhttp endpoint. The terminals additionally keep
small in-memory stats structs that they dump to the log once a minute; the
Prometheus families here are the scrape-facing view of the same counters.
*/
package metrics
