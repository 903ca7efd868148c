// Package crawler holds the domain types shared by every scrapai component:
// queue items, articles, spider definitions, fetch responses, the storage
// and publishing contracts, and small helpers for URLs and retries.
package crawler
