// Package gateway 是面向客户端的入口：每条 websocket 连接对应一个会话，
// 入站文本被解析为命令交给工作流，出站事件经由会话中继写回连接。
// 同时提供健康检查、地址簿与会话快照等只读 REST 接口。
package gateway
