// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventpipeline holds the concrete actions and plugins of the
// event processing pipeline and assembles them.
//
// Actions, by priority:
//
//	10  validate_event                item   hard
//	20  run_event_processing_plugins  batch  continue
//	30  assign_to_stack               batch  hard
//	40  save_event                    batch  hard
//	50  update_stack_stats            batch  continue
//	100 run_event_processed_plugins   batch  continue
//	110 queue_notification            item   continue
//
// "hard" actions fail the context (item) or the whole batch (batch);
// "continue" actions record their error and let processing go on.
package eventpipeline
