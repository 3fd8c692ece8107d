// Package ext defines the extension system for msgq.
//
// Extensions are notified of channel lifecycle events and can react to
// them: recording metrics, publishing watch events, writing logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnChannelDestroyed(ctx context.Context, info msgq.Info) error {
//	    log.Printf("channel %s (%s) destroyed", info.Key, info.ID)
//	    return nil
//	}
//
// # Channel Hooks
//
//   - [ChannelOpened]: a handle was opened, possibly creating the channel
//   - [ChannelDestroyed]: the channel was removed for all handles
//   - [HandleClosed]: one handle was released
//
// # Message Hooks
//
//   - [MessagePushed]: a message was enqueued
//   - [MessagePopped]: a message was dequeued
//   - [OperationFailed]: an operation returned an error
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
