// Package main 是 knowledgecore 的命令行入口。
//
// 提供三个子命令：ingest 把本地文档推入摄取管线并等待任务链完成；
// query 对知识库执行混合检索（向量 + 词法 + 图谱扩展）；
// delete 级联删除文档及其图谱来源。
// 存储后端、模型提供者与各阶段参数均由 YAML 配置加环境变量覆盖决定。
package main
