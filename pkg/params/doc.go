/*
Package params caches parameter metadata for one machine.

The cache is loaded once at terminal startup from the component_parameters
catalog and never refreshed at runtime. It resolves parameter identity to
read/write addresses, data shape, bounds and writability, and maps ids to
the stable wide-row column names used by the sampler.

A failed initial load yields an empty cache: the terminal logs the failure
and keeps running, with the sampler producing empty records and the
executor/writer falling back to in-command address overrides.
*/
package params
