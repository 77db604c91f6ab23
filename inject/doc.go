// Package inject 负责向 CDP 会话投递行为脚本并下发运行配置。
//
// 脚本在每个会话生命周期内只投递一次（由 cdp.Session 的注入标记保证），
// 之后每次调用仅通过 __autoAcceptStart 重新下发 BehaviorConfig。脚本本身
// 对本包是不透明的文本，只依赖其暴露的全局函数约定。
package inject
