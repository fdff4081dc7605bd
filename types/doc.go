// Package types 定义知识库摄取管线的核心数据模型：
// 文档、块、分块、实体、关系与任务，以及统一的结构化错误。
//
// 所有组件（extract、chunk、enrich、store、graph、retrieve、pipeline）
// 共享本包的类型，避免跨包循环依赖。
package types
