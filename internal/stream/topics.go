// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package stream carries interaction events between the ingest surface
// and the aggregator over partitioned ordered topics. All events for a
// user hash to the same partition, so one consumer per partition sees
// them in publish order.
package stream

import "fmt"

// PartitionTopic names the topic for one ordered lane, e.g. "events.p3".
func PartitionTopic(prefix string, partition int) string {
	return fmt.Sprintf("%s.p%d", prefix, partition)
}

// PartitionTopics names every lane under prefix.
func PartitionTopics(prefix string, partitions int) []string {
	topics := make([]string, partitions)
	for i := range topics {
		topics[i] = PartitionTopic(prefix, i)
	}
	return topics
}
