// Package gateway implements the multi-tenant LLM gateway core: request
// distribution, wire-format translation, and the risk-control fabric that
// shapes outbound traffic toward OpenAI-, Anthropic-, Gemini-, GLM-, and
// Kiro-compatible back ends.
//
// Sub-packages are organized leaf-first, mirroring the component layering
// of the design: tokenizer and convert have no dependencies on the rest of
// the gateway, kiro depends only on convert's intermediate representation,
// riskcontrol is self-contained, provider wires tokenizer+convert+kiro+
// riskcontrol into a uniform adapter, distribute picks among providers, and
// relay drives one client request end to end.
package gateway
