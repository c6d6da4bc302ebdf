// Package workflow 实现每个会话的策略执行状态机。
//
// Instance 只负责状态迁移的合法性检查，不做任何 I/O。Manager 为每个会话
// 启动一个串行处理命令的 actor，由它发起远程调用、推送进度并持久化快照，
// 因此同一会话内的迁移严格有序，不同会话之间完全并发。
package workflow
