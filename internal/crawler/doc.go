// Package crawler defines the core types, interfaces and errors shared by the
// scrape orchestrator: jobs and their options, fetch tiers, fetch requests and
// responses, extraction results, URL normalization and the retry policy used
// between escalation attempts.
package crawler
