/*
Package types defines the core data structures shared by the code execution
broker: the sandbox worker state machine, the content-addressed file object,
and the request/result shapes that flow between the execution service and its
external collaborators.

# Core Types

Worker lifecycle:
  - Worker: an ephemeral sandbox container tracked by the executor pool
  - WorkerState: Provisioning, Ready, Assigned, Terminating, Gone

File store:
  - FileObject: a (tenant, filename, content hash) addressed blob's metadata
  - ObjectIdentity: the compound key

Requests:
  - ExecuteRequest / ExecuteResult: the /v1/execute contract
  - CustomTool: the parsed output of the schema extractor

# Thread Safety

Types here are plain data; synchronization is the caller's responsibility, the
same convention the rest of this repo follows (the pool confines its state to
one goroutine; the filestore guards metadata with per-identity locks).
*/
package types
