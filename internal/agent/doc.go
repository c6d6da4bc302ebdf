// Package agent 启动逻辑服务：为服务生成稳定地址、订阅消息、安装处理器，
// 最后把地址写入地址簿，使其他服务可以发现它。
package agent
