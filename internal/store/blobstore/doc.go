// Package blobstore implements store.Store on top of a gocloud.dev bucket.
//
// Each record is a pretty-printed JSON object at records/<id>.json. Any
// bucket URL understood by gocloud.dev works:
//
//	file:///var/lib/gulp
//	mem://
//	s3://my-bucket?region=us-east-1
//	gs://my-bucket
//
// For file:// buckets, pair the store with store.WatchDir on the records
// directory to pick up changes written by other processes.
package blobstore
