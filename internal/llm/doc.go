// Package llm 定义策略生成器的统一接口。生成器的输出对编排层是不透明文本，
// 由调用方自行解析为结构化方案。
package llm
