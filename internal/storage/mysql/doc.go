// Package mysql 用 MySQL 保存工作流快照。
// 建表脚本内嵌在 deploy/migrations 中，连接建立后按版本顺序执行。
package mysql
